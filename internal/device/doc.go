// Package device defines the radio transport contract used by the open
// sequence, independent of the underlying BLE stack.
//
// It provides:
//   - Transport and Peer, the scan/connect/discover/write/RSSI surface
//   - typed errors (NotFoundError, ConnectionError) and radio sentinels
//   - UUID normalization and validation helpers
//
// The go-ble backed implementation lives in the go-ble subpackage.
package device
