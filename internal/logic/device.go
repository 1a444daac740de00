package logic

import (
	"github.com/avct/uasurfer"

	"github.com/patrickwarner/openbid/internal/models"
)

// DeviceInfo is what the valuation needs to know about the client device.
type DeviceInfo struct {
	DeviceType int
	IsBot      bool
}

// ResolveDeviceFromUA parses a raw User-Agent string into a device type code.
func ResolveDeviceFromUA(ua string) DeviceInfo {
	if ua == "" {
		return DeviceInfo{DeviceType: models.DeviceUnknown}
	}
	u := uasurfer.Parse(ua)

	var deviceType int
	switch u.DeviceType {
	case uasurfer.DeviceComputer:
		deviceType = models.DeviceDesktop
	case uasurfer.DevicePhone:
		deviceType = models.DeviceMobile
	case uasurfer.DeviceTablet:
		deviceType = models.DeviceTablet
	default:
		deviceType = models.DeviceUnknown
	}
	return DeviceInfo{DeviceType: deviceType, IsBot: u.IsBot()}
}
