package adb

import (
	"bytes"
	"sort"
	"strings"
)

// DeviceInfo is the device identity and feature metadata parsed from the
// daemon's CNXN banner. Absent until the handshake completes; immutable
// afterwards.
type DeviceInfo struct {
	Identity string // the system type before "::", e.g. "device"
	Product  string
	Model    string
	Device   string
	Features map[string]struct{}
}

// Banner property keys the client recognizes. Anything else is ignored.
const (
	bannerKeyProduct  = "ro.product.name"
	bannerKeyModel    = "ro.product.model"
	bannerKeyDevice   = "ro.product.device"
	bannerKeyFeatures = "features"
)

// ParseBanner parses a CNXN banner payload such as
//
//	device::ro.product.name=widget;ro.product.model=X1;features=shell_v2,cmd;
//
// The part before "::" is the system identity; the rest is ";"-separated
// "key=value" pairs. Malformed pairs are skipped; a strange banner must
// never fail the handshake.
func ParseBanner(payload []byte) *DeviceInfo {
	info := &DeviceInfo{Features: make(map[string]struct{})}

	banner := string(bytes.TrimRight(payload, "\x00"))
	identity, props, found := strings.Cut(banner, "::")
	if !found {
		info.Identity = banner
		return info
	}
	info.Identity = identity

	for _, pair := range strings.Split(props, ";") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			continue
		}
		switch key {
		case bannerKeyProduct:
			info.Product = value
		case bannerKeyModel:
			info.Model = value
		case bannerKeyDevice:
			info.Device = value
		case bannerKeyFeatures:
			for _, f := range strings.Split(value, ",") {
				if f != "" {
					info.Features[f] = struct{}{}
				}
			}
		}
	}
	return info
}

// FeatureList returns the advertised features as a sorted slice, mainly
// for display.
func (d *DeviceInfo) FeatureList() []string {
	out := make([]string, 0, len(d.Features))
	for f := range d.Features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
