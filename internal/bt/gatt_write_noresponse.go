//go:build !darwin && !windows

package bt

import "tinygo.org/x/bluetooth"

// BlueZ and the bare-metal stacks only expose write-without-response in this bluetooth version.
func writeCharacteristic(c *bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.WriteWithoutResponse(data)
	return err
}
