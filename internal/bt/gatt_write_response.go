//go:build darwin || windows

package bt

import "tinygo.org/x/bluetooth"

func writeCharacteristic(c *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
