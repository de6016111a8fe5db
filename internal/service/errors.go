package service

import "errors"

// ErrUnauthenticated 调用方没有身份
var ErrUnauthenticated = errors.New("未登录，无法投票")
