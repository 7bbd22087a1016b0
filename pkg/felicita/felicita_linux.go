package felicita

import "github.com/fako1024/gatt"

// The first available HCI adapter is used, a single connection (to the scale) is sufficient
var (
	defaultBTClientOptions = []gatt.Option{
		gatt.LnxMaxConnections(1),
		gatt.LnxDeviceID(-1, true),
	}
)
