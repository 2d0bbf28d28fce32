package tensor

var (
	errNegativeDim     = fmtError("negative dimension for tensor")
	errRawSizeMismatch = fmtError("raw data length mismatch")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }
