// Package store persists peripheral profiles and connection history as YAML
// files in the data directory.
package store
