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

// DeviceTypeWT500 is the device-type code requiring exactly one channel
// even though it belongs to the multichannel set (spec.md §6 / §4.10.12).
const DeviceTypeWT500 = 48

// SupportedDeviceTypes enumerates the device-type codes this system knows
// how to drive, per spec.md §6.
var SupportedDeviceTypes = map[int]bool{
	8: true, 49: true, 52: true, 77: true, 35: true,
	48: true, 47: true, 66: true, 508: true, 549: true, 586: true,
}

// MultichannelDeviceTypes are device types whose channel list may name two channels.
var MultichannelDeviceTypes = map[int]bool{
	48: true, 59: true, 61: true, 77: true,
}

// DCDeviceTypes are device types that measure DC power.
var DCDeviceTypes = map[int]bool{
	508: true, 549: true, 586: true,
}

// MaxRangeForDevice is the fixed amps range used for RANGING_MODE=MAX,
// tabulated per spec.md §6.
var MaxRangeForDevice = map[int]float64{
	8: 20, 49: 20, 52: 20, 77: 20,
	35:  40,
	48:  40,
	47:  50,
	66:  30,
	508: 20, 549: 20,
	586: 20,
}

// IsSupportedDeviceType reports whether deviceType is one of the
// enumerated, known-good analyzer device types.
func IsSupportedDeviceType(deviceType int) bool {
	return SupportedDeviceTypes[deviceType]
}

// IsMultichannel reports whether deviceType can report more than one channel.
func IsMultichannel(deviceType int) bool {
	return MultichannelDeviceTypes[deviceType]
}

// IsDC reports whether deviceType is a DC analyzer.
func IsDC(deviceType int) bool {
	return DCDeviceTypes[deviceType]
}

// RequiredChannelCount returns how many channel-list entries deviceType
// requires: 2 for ordinary multichannel types, 1 for DeviceTypeWT500
// despite being in the multichannel set, 0 (no channel list) otherwise.
func RequiredChannelCount(deviceType int) int {
	if deviceType == DeviceTypeWT500 {
		return 1
	}
	if IsMultichannel(deviceType) {
		return 2
	}
	return 0
}
