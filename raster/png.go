// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package raster

import (
	"github.com/fogleman/gg"
	"github.com/grailbio/base/errors"
)

// SavePNG writes a PNG rendering of g to the local path, for viewers
// that do not understand PGM.
func SavePNG(path string, g *Gray) error {
	if err := gg.SavePNG(path, g.Image()); err != nil {
		return errors.E("save png "+path, err)
	}
	return nil
}
