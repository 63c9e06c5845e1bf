package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

var (
	// ErrFileOwner is returned when the config file is owned by another user
	ErrFileOwner = errors.New("config file not owned by invoking user")

	// ErrFilePermissions is returned when the config file is group or world writable
	ErrFilePermissions = errors.New("config file is writable by group or others")
)

// LoadFile opens a user-supplied configuration file, checks that it is
// owned by the invoking user and not writable by group or others, then
// parses it. The checks run on the opened descriptor, before parsing.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := checkFile(int(f.Fd()), path); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func checkFile(fd int, path string) error {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if int(st.Uid) != os.Getuid() {
		return fmt.Errorf("%s: %w (owner uid %d)", path, ErrFileOwner, st.Uid)
	}
	if st.Mode&(unix.S_IWGRP|unix.S_IWOTH) != 0 {
		return fmt.Errorf("%s: %w (mode %04o)", path, ErrFilePermissions, st.Mode&0o7777)
	}
	return nil
}
