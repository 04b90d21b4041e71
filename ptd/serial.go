/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ptd

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// isSerialDevicePort reports whether devicePort names a serial device
// rather than a GPIB board path or network identifier PTD will resolve
// on its own.
func isSerialDevicePort(devicePort string) bool {
	return strings.HasPrefix(devicePort, "/dev/tty") || strings.HasPrefix(devicePort, "COM")
}

// probeSerialPort confirms a serial-attached analyzer's device port can
// be opened before handing it to PTD as a command-line argument, so a
// misconfigured port fails fast with a clear message instead of a
// confusing PTD spawn failure three connect-retries later.
func probeSerialPort(devicePort string) error {
	if !isSerialDevicePort(devicePort) {
		return nil
	}
	port, err := serial.Open(devicePort, &serial.Mode{})
	if err != nil {
		return fmt.Errorf("opening serial analyzer port %s: %w", devicePort, err)
	}
	return port.Close()
}
