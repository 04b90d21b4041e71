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

//go:build !linux

package proto

import (
	"net"
	"time"
)

// setKeepaliveProbes is a no-op on platforms where we have no portable way
// to tune the probe interval/count beyond SetKeepAlivePeriod.
func setKeepaliveProbes(_ *net.TCPConn, _ time.Duration, _ int) error {
	return nil
}
