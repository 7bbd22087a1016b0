//go:build !linux

package felicita

import "github.com/fako1024/gatt"

var (
	defaultBTClientOptions = []gatt.Option{}
)
