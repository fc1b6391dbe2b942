package devicelink

import (
	"strings"

	"github.com/MarkoPoloResearchLab/devicelink/pkg/controller"
)

// DeviceType is a coarse device category inferred from a reported OS string.
type DeviceType string

const (
	DeviceTypePhone   DeviceType = "Phone"
	DeviceTypeTablet  DeviceType = "Tablet"
	DeviceTypeLaptop  DeviceType = "Laptop"
	DeviceTypeConsole DeviceType = "Console"
	DeviceTypeTV      DeviceType = "TV"
	DeviceTypeOther   DeviceType = "Other"
)

const defaultStudentLabel = "Student"

// Rules are checked in order; the first matching substring wins.
var deviceTypeRules = []struct {
	deviceType DeviceType
	needles    []string
}{
	{deviceType: DeviceTypeTV, needles: []string{"android tv", "apple tv", "tvos", "fire tv", "smart tv", "roku", "chromecast", "tizen", "webos", "bravia"}},
	{deviceType: DeviceTypeConsole, needles: []string{"playstation", "ps4", "ps5", "xbox", "nintendo", "switch"}},
	{deviceType: DeviceTypeTablet, needles: []string{"ipad", "tablet", "galaxy tab", "kindle", "fire os"}},
	{deviceType: DeviceTypePhone, needles: []string{"iphone", "ios", "android", "phone", "pixel", "galaxy", "huawei", "xiaomi", "redmi", "oneplus", "oppo"}},
	{deviceType: DeviceTypeLaptop, needles: []string{"windows", "macos", "mac os", "os x", "macbook", "linux", "ubuntu", "chromeos", "chrome os", "laptop"}},
}

// InferDeviceType maps a free-form OS or device description to a DeviceType.
func InferDeviceType(description string) DeviceType {
	normalized := strings.ToLower(strings.TrimSpace(description))
	if normalized == "" {
		return DeviceTypeOther
	}
	for _, rule := range deviceTypeRules {
		for _, needle := range rule.needles {
			if strings.Contains(normalized, needle) {
				return rule.deviceType
			}
		}
	}
	return DeviceTypeOther
}

// ClientLabel builds the controller-side client name "<student> - <device type>".
func ClientLabel(studentName string, deviceType DeviceType) string {
	name := strings.TrimSpace(studentName)
	if name == "" {
		name = defaultStudentLabel
	}
	if deviceType == "" {
		deviceType = DeviceTypeOther
	}
	return controller.TruncateName(name + " - " + string(deviceType))
}
