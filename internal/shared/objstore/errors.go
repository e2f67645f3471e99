package objstore

import "errors"

// ErrNotFound 对象不存在
var ErrNotFound = errors.New("object not found")
