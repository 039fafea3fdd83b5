package sampler

import "errors"

var errUnsupportedPID = errors.New("sampler: pid not readable by default reader")
