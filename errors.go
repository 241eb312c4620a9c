// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstencil

import (
	"github.com/grailbio/base/errors"
)

var fatalErr = errors.E(errors.Fatal)

// invalidGeometry returns an error describing image or partition
// dimensions that the job cannot process. Every rank observes the
// same dimensions, so every rank detects such errors independently.
func invalidGeometry(msg string) error {
	return errors.E(errors.Invalid, "invalid geometry: "+msg)
}

// IsFatal tells whether err requires the whole group to be aborted
// abnormally (for example, an allocation failure or ranks that
// disagree about the job's geometry), as opposed to an ordinary
// failure such as a bad input.
func IsFatal(err error) bool {
	return err != nil && errors.Match(fatalErr, err)
}
