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

package proto

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLineRoundTrip(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	defer b.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, a.SendLine("session,2024-01-02_03-04-05_lbl,start,ranging"))
	}()

	line, err := b.RecvLine()
	require.NoError(t, err)
	require.Equal(t, "session,2024-01-02_03-04-05_lbl,start,ranging", line)
	wg.Wait()
}

func TestFileRoundTripSizes(t *testing.T) {
	sizes := []int{0, 1, 16 * 1024, 1024 * 1024, 2*1024*1024 + 1}

	for _, size := range sizes {
		size := size
		t.Run("", func(t *testing.T) {
			buf := make([]byte, size)
			_, err := rand.Read(buf)
			require.NoError(t, err)

			a, b := NewPipe()
			defer a.Close()
			defer b.Close()

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				require.NoError(t, a.SendFile(bytes.NewReader(buf)))
			}()

			var out bytes.Buffer
			require.NoError(t, b.RecvFile(&out))
			wg.Wait()

			require.Equal(t, buf, out.Bytes())
		})
	}
}

func TestFileTransferRejectsNegativeLength(t *testing.T) {
	a, b := NewPipe()
	defer a.Close()
	defer b.Close()

	go func() {
		_ = a.SendLine("-1")
	}()

	var out bytes.Buffer
	err := b.RecvFile(&out)
	require.ErrorIs(t, err, ErrNegativeFrame)
}

func TestCRLFSplitAcrossReads(t *testing.T) {
	// A pipe delivers whatever was written in one Write call; bufio.Reader
	// reassembles a line even when the writer dribbles it out byte by byte.
	a, b := NewPipe()
	defer a.Close()
	defer b.Close()

	msg := "time"
	go func() {
		for i := 0; i < len(msg); i++ {
			_, _ = a.w.WriteString(string(msg[i]))
			a.w.Flush()
		}
		a.w.WriteString("\r\n")
		a.w.Flush()
	}()

	line, err := b.RecvLine()
	require.NoError(t, err)
	require.Equal(t, msg, line)
}
