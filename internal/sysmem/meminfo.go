// Package sysmem reads host memory figures from /proc/meminfo.
package sysmem

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const DefaultPath = "/proc/meminfo"

var ErrNoMemTotal = errors.New("meminfo has no MemTotal")

// ReadMeminfo returns total and available bytes. MemFree stands in for
// MemAvailable on kernels that lack it.
func ReadMeminfo(path string) (totalBytes, availBytes uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var totalKB, availKB, freeKB uint64
	haveAvail := false
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			totalKB = parseKB(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			availKB = parseKB(line)
			haveAvail = true
		case strings.HasPrefix(line, "MemFree:"):
			freeKB = parseKB(line)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", path, err)
	}
	if totalKB == 0 {
		return 0, 0, fmt.Errorf("%s: %w", path, ErrNoMemTotal)
	}
	if !haveAvail {
		availKB = freeKB
	}
	return totalKB * 1024, availKB * 1024, nil
}

func parseKB(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}
