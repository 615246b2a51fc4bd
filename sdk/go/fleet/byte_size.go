// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

// ByteSize is an amount of memory: the RAM of an instance type, of a
// node, or reserved for the system on each machine.
//
// In config files it can be given as a number of bytes or as a
// string with a unit, like "4GiB" or "512M". Units are case
// insensitive; "K" is 1000 and "Ki" is 1024.
type ByteSize int64

// String returns a human readable size like "4.0 GiB".
func (n ByteSize) String() string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}

// MarshalJSON encodes n as a plain number of bytes.
func (n ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(n))
}

// UnmarshalJSON accepts a number of bytes or a string with a unit. A
// JSON null leaves n unchanged.
func (n *ByteSize) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '"' {
		var i int64
		if err := json.Unmarshal(data, &i); err != nil {
			return fmt.Errorf("invalid memory size %s: %w", data, err)
		}
		if string(data) != "null" {
			*n = ByteSize(i)
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	size, err := ParseByteSize(s)
	if err != nil {
		return err
	}
	*n = size
	return nil
}

// ParseByteSize parses a size like "16GiB", "512 M" or "1073741824".
func ParseByteSize(s string) (ByteSize, error) {
	b, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q: %w", s, err)
	}
	if b > math.MaxInt64 {
		return 0, fmt.Errorf("memory size %q is too large", s)
	}
	return ByteSize(b), nil
}
