//go:build !linux

package card

import "errors"

func listLinks() ([]string, error) { return nil, errors.ErrUnsupported }

func setLinkUp(string, bool) error { return errors.ErrUnsupported }
