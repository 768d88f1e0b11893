// Package portscan is the Port Enumerator external collaborator
// (spec §6): it lists currently attached serial ports with whatever
// manufacturer/VID/PID/serial-number metadata the OS driver exposes,
// keyed by path. The Device Manager's refresh pass compares this list
// with its known port set to find newly appeared ports; a port that
// disappears is noticed by its own Port Manager's reconnect loop.
package portscan

import (
	"sort"

	"go.bug.st/serial/enumerator"

	"github.com/commatea/serialfleet/pkg/policy"
)

// Scanner lists attached serial ports.
type Scanner interface {
	List() ([]policy.PortInfo, error)
}

// SerialScanner implements Scanner against go.bug.st/serial/enumerator.
type SerialScanner struct{}

// NewSerialScanner builds a Scanner backed by the real OS port list.
func NewSerialScanner() SerialScanner { return SerialScanner{} }

// List returns one PortInfo per attached port, sorted by path so callers
// get a stable diff order across calls. Ports the driver reports without
// USB descriptor data still appear, with only Path populated - absence of
// metadata is not absence of the port.
func (SerialScanner) List() ([]policy.PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	infos := make([]policy.PortInfo, 0, len(details))
	for _, d := range details {
		info := policy.PortInfo{Path: d.Name}
		if d.IsUSB {
			info.VendorID = d.VID
			info.ProductID = d.PID
			info.SerialNumber = d.SerialNumber
			info.Manufacturer = d.Product
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

var _ Scanner = SerialScanner{}
