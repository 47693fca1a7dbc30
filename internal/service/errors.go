package service

import "errors"

// ErrArchiveDisabled is returned by archive queries when archiving is off
var ErrArchiveDisabled = errors.New("job archive is disabled")
