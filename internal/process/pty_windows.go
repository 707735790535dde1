package process

import "errors"

func startPTY(opts Options) (Handle, error) {
	return nil, errors.New("pty shells are not supported on windows")
}
