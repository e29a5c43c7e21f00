package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/srg/keytap/internal/device"
	"github.com/srg/keytap/internal/store"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage stored access point profiles",
	Long: `Profiles bind a name to a token, the token service and characteristic
and optionally a peripheral address. Tokens are stored encrypted in the
data directory.`,
}

var profileAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Store a new profile",
	Example: `  keytap profile add front-door --token 550e8400-e29b-41d4-a716-446655440000
  keytap profile add garage --generate --address aa:bb:cc:dd:ee:01`,
	Args: cobra.ExactArgs(1),
	RunE: runProfileAdd,
}

var profileListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List stored profiles",
	Args:    cobra.NoArgs,
	RunE:    runProfileList,
}

var profileShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Show a stored profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfileShow,
}

var profileRemoveCmd = &cobra.Command{
	Use:     "remove <name>",
	Aliases: []string{"rm"},
	Short:   "Delete a stored profile",
	Args:    cobra.ExactArgs(1),
	RunE:    runProfileRemove,
}

var (
	profileToken    string
	profileGenerate bool
	profileRawToken bool
	profileService  string
	profileChar     string
	profileAddress  string
	profileReveal   bool
)

func init() {
	profileAddCmd.Flags().StringVarP(&profileToken, "token", "t", "", "Token to store")
	profileAddCmd.Flags().BoolVar(&profileGenerate, "generate", false, "Generate a new random token")
	profileAddCmd.Flags().BoolVar(&profileRawToken, "raw-token", false, "Store the token as-is instead of requiring a UUID")
	profileAddCmd.Flags().StringVar(&profileService, "service", "", "Token service UUID (default from the configuration)")
	profileAddCmd.Flags().StringVar(&profileChar, "char", "", "Token characteristic UUID (default from the configuration)")
	profileAddCmd.Flags().StringVar(&profileAddress, "address", "", "Only open the peripheral with this address")

	profileShowCmd.Flags().BoolVar(&profileReveal, "reveal", false, "Print the token in plain text")

	profileCmd.AddCommand(profileAddCmd)
	profileCmd.AddCommand(profileListCmd)
	profileCmd.AddCommand(profileShowCmd)
	profileCmd.AddCommand(profileRemoveCmd)
}

func runProfileAdd(cmd *cobra.Command, args []string) error {
	if profileGenerate == (profileToken != "") {
		return fmt.Errorf("%w: pass exactly one of --token or --generate", ErrInvalidArgs)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	token := profileToken
	if profileGenerate {
		token = uuid.NewString()
	} else if token, err = validateToken(token, profileRawToken); err != nil {
		return err
	}

	np := store.NewProfile{
		Name:               args[0],
		ServiceUUID:        cfg.ServiceUUID,
		CharacteristicUUID: cfg.CharacteristicUUID,
		Token:              token,
		Address:            profileAddress,
	}
	if profileService != "" {
		np.ServiceUUID = profileService
	}
	if profileChar != "" {
		np.CharacteristicUUID = profileChar
	}

	cmd.SilenceUsage = true

	profiles, err := openProfileStore(cfg)
	if err != nil {
		return err
	}
	p, err := profiles.Add(np)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Profile %q saved\n", p.Name)
	if profileGenerate {
		// the only time a generated token is shown without --reveal
		fmt.Fprintf(out, "Token: %s\n", token)
	}
	return nil
}

func runProfileList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	profiles, err := openProfileStore(cfg)
	if err != nil {
		return err
	}
	list, err := profiles.List()
	if err != nil {
		return err
	}
	return displayProfiles(cmd.OutOrStdout(), list)
}

func displayProfiles(out io.Writer, list []store.Profile) error {
	if len(list) == 0 {
		fmt.Fprintln(out, "No profiles stored")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tSERVICE\tCHARACTERISTIC\tCREATED")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, p := range list {
		address := p.Address
		if address == "" {
			address = "any"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Name, address,
			device.ShortenUUID(p.ServiceUUID), device.ShortenUUID(p.CharacteristicUUID),
			p.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runProfileShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	profiles, err := openProfileStore(cfg)
	if err != nil {
		return err
	}
	p, err := profiles.Get(args[0])
	if err != nil {
		return err
	}

	token := "(hidden, use --reveal)"
	if profileReveal {
		if token, err = profiles.Token(p.Name); err != nil {
			return err
		}
	}

	address := p.Address
	if address == "" {
		address = "any"
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Name:\t%s\n", p.Name)
	fmt.Fprintf(w, "Address:\t%s\n", address)
	fmt.Fprintf(w, "Service:\t%s\n", p.ServiceUUID)
	fmt.Fprintf(w, "Characteristic:\t%s\n", p.CharacteristicUUID)
	fmt.Fprintf(w, "Token:\t%s\n", token)
	fmt.Fprintf(w, "Created:\t%s\n", p.CreatedAt.Local().Format(time.DateTime))
	return w.Flush()
}

func runProfileRemove(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	profiles, err := openProfileStore(cfg)
	if err != nil {
		return err
	}
	if err := profiles.Remove(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Profile %q removed\n", args[0])
	return nil
}
