//go:build !linux

package provider

import (
	"os"
	"time"
)

type fileTimes struct {
	size     int64
	created  time.Time
	modified time.Time
}

func statTimes(path string) (fileTimes, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileTimes{}, err
	}

	return fileTimes{
		size:     info.Size(),
		created:  info.ModTime(),
		modified: info.ModTime(),
	}, nil
}
