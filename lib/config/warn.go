// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"github.com/sirupsen/logrus"
)

// warnCounter is a logrus hook counting warnings.
type warnCounter struct {
	warnings int
}

func (*warnCounter) Levels() []logrus.Level {
	return []logrus.Level{logrus.WarnLevel}
}

func (wc *warnCounter) Fire(*logrus.Entry) error {
	wc.warnings++
	return nil
}
