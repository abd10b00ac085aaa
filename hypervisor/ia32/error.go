package ia32

import "errors"

var (
	ErrBadSelector = errors.New("selector outside descriptor table")
	ErrBadRegister = errors.New("invalid register index")
)
