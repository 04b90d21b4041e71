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

//go:build windows

package timesync

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/windows"
)

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01).
const ntpEpochOffset = 2208988800

// ntpHostSyncWindows queries server directly over NTP and sets the system
// time via the Windows time API, since ntpdate is not available there.
// spec.md §4.2 reserves the direct-query path for Windows only; POSIX
// hosts use ntpdate (ntpHostSyncPOSIX) instead.
func ntpHostSyncWindows(server string) error {
	t, err := queryNTP(server)
	if err != nil {
		return fmt.Errorf("timesync: querying NTP server %s: %w", server, err)
	}
	u := t.UTC()
	st := windows.Systemtime{
		Year:   uint16(u.Year()),
		Month:  uint16(u.Month()),
		Day:    uint16(u.Day()),
		Hour:   uint16(u.Hour()),
		Minute: uint16(u.Minute()),
		Second: uint16(u.Second()),
	}
	return windows.SetSystemTime(&st)
}

// queryNTP sends a minimal SNTP client request (RFC 4330 mode 3) and
// returns the server's transmit timestamp. This is the one place the
// system talks NTP wire format directly; spec.md treats the NTP daemon as
// an out-of-scope external collaborator everywhere else.
func queryNTP(server string) (time.Time, error) {
	conn, err := net.DialTimeout("udp", net.JoinHostPort(server, "123"), 5*time.Second)
	if err != nil {
		return time.Time{}, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return time.Time{}, err
	}

	req := make([]byte, 48)
	req[0] = 0x1B // LI=0, VN=3, Mode=3 (client)
	if _, err := conn.Write(req); err != nil {
		return time.Time{}, err
	}

	resp := make([]byte, 48)
	if _, err := conn.Read(resp); err != nil {
		return time.Time{}, err
	}

	secs := binary.BigEndian.Uint32(resp[40:44])
	frac := binary.BigEndian.Uint32(resp[44:48])
	nanos := int64(frac) * 1e9 / (1 << 32)
	return time.Unix(int64(secs)-ntpEpochOffset, nanos), nil
}
