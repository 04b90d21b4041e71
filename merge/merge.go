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

/*
Package merge fans barrier commands out across N analyzer supervisors in
parallel and folds their per-analyzer sample logs into one aggregate,
per spec.md §4.5.
*/
package merge

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// negOne is the Volts/Amps/PF sentinel for a merged row, per spec.md §4.5.
var negOne = decimal.NewFromInt(-1)

// FanOut runs fn concurrently against each of n analyzers, joining all of
// them before returning (the barrier spec.md §4.5/§5 requires around
// Go/Stop/initial-range commands). The first error is returned, but every
// goroutine is allowed to finish first.
func FanOut(n int, fn func(i int) error) error {
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error { return fn(i) })
	}
	return g.Wait()
}

// Logs merges per-analyzer CSV sample files into one aggregate: time and
// mark from analyzer 1, Watts summed across analyzers reporting a value
// other than -1, Volts/Amps/PF forced to -1. With a single analyzer the
// file is copied verbatim. A malformed line at some index causes that
// index to be skipped (logged, counted) in every other analyzer's file;
// the session is not failed.
func Logs(paths []string, outPath string) error {
	if len(paths) == 0 {
		return fmt.Errorf("merge: no analyzer logs to merge")
	}
	if len(paths) == 1 {
		return copyFile(paths[0], outPath)
	}

	readers := make([]*bufio.Scanner, len(paths))
	files := make([]*os.File, len(paths))
	for i, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("merge: opening %s: %w", p, err)
		}
		defer f.Close()
		files[i] = f
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		readers[i] = sc
	}

	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("merge: creating %s: %w", outPath, err)
	}
	defer out.Close()

	skipped := 0
	index := 0
	for {
		lines := make([]string, len(readers))
		any := false
		allOK := true
		for i, sc := range readers {
			if sc.Scan() {
				lines[i] = sc.Text()
				any = true
			} else {
				allOK = false
			}
		}
		if !any {
			break
		}
		if !allOK {
			skipped++
			index++
			continue
		}

		merged, err := mergeRow(lines)
		if err != nil {
			log.Warningf("merge: skipping row %d: %v", index, err)
			skipped++
			index++
			continue
		}
		if _, err := out.WriteString(merged + "\n"); err != nil {
			return fmt.Errorf("merge: writing merged row: %w", err)
		}
		index++
	}

	if skipped > 0 {
		log.Warningf("merge: skipped %d malformed/short row(s) across %d analyzer logs", skipped, len(paths))
	}
	return nil
}

// mergeRow combines one row index across all analyzers. Per-analyzer
// Volts/Amps/PF values are preserved as trailing Ch<analyzer> tuples
// even though the primary fields are forced to -1 (spec.md §4.5: "per-
// analyzer values remain appended").
func mergeRow(lines []string) (string, error) {
	firstFields := strings.Split(lines[0], ",")
	if len(firstFields) < 12 || firstFields[0] != "Time" {
		return "", fmt.Errorf("malformed row in analyzer 1: %q", lines[0])
	}
	ts := firstFields[1]
	mark := firstFields[11]

	sum := decimal.Zero
	var appended []string
	for i, line := range lines {
		fields := strings.Split(line, ",")
		if len(fields) < 10 || fields[2] != "Watts" || fields[4] != "Volts" || fields[6] != "Amps" || fields[8] != "PF" {
			return "", fmt.Errorf("malformed row in analyzer %d: %q", i+1, line)
		}
		w, err := decimal.NewFromString(strings.TrimSpace(fields[3]))
		if err != nil {
			return "", fmt.Errorf("analyzer %d Watts value %q: %w", i+1, fields[3], err)
		}
		if !w.Equal(negOne) {
			sum = sum.Add(w)
		}
		appended = append(appended, fmt.Sprintf("Ch%d,Watts,%s,Volts,%s,Amps,%s,PF,%s",
			i+1, strings.TrimSpace(fields[3]), strings.TrimSpace(fields[5]), strings.TrimSpace(fields[7]), strings.TrimSpace(fields[9])))
	}

	return fmt.Sprintf("Time,%s,Watts,%s,Volts,%s,Amps,%s,PF,%s,Mark,%s,%s",
		ts, sum, negOne, negOne, negOne, mark, strings.Join(appended, ",")), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("merge: opening %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("merge: creating %s: %w", dst, err)
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
