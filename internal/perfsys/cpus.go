package perfsys

import (
	"os"
	"strconv"
	"strings"

	"github.com/ARM-software/gator-sub002/internal/gatorerr"
)

// OnlineCPUs returns the CPUs currently online, by parsing the
// range-list syntax ("0-3,5") of /sys/devices/system/cpu/online.
func OnlineCPUs() ([]int, error) {
	data, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return nil, gatorerr.Wrap(gatorerr.Configuration, err, "reading online CPU list")
	}
	return parseCPUList(strings.TrimSpace(string(data)))
}

func parseCPUList(s string) ([]int, error) {
	var cpus []int
	if s == "" {
		return cpus, nil
	}
	for _, part := range strings.Split(s, ",") {
		if part == "" {
			continue
		}
		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			lo, err := strconv.Atoi(part[:dash])
			if err != nil {
				return nil, gatorerr.Wrapf(gatorerr.Configuration, err, "parsing cpu range %q", part)
			}
			hi, err := strconv.Atoi(part[dash+1:])
			if err != nil {
				return nil, gatorerr.Wrapf(gatorerr.Configuration, err, "parsing cpu range %q", part)
			}
			for c := lo; c <= hi; c++ {
				cpus = append(cpus, c)
			}
		} else {
			c, err := strconv.Atoi(part)
			if err != nil {
				return nil, gatorerr.Wrapf(gatorerr.Configuration, err, "parsing cpu index %q", part)
			}
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}
