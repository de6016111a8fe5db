package api

import (
	"errors"
	"net/http"

	"github.com/lvdashuaibi/livepoll/internal/model"
	"github.com/lvdashuaibi/livepoll/internal/repository"
	"github.com/lvdashuaibi/livepoll/internal/service"
)

// Kind 对外暴露的错误类别，REST和GraphQL共用
type Kind string

const (
	KindValidation      Kind = "VALIDATION"
	KindNotFound        Kind = "NOT_FOUND"
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindConflict        Kind = "CONFLICT"
	KindUnavailable     Kind = "UNAVAILABLE"
	KindInternal        Kind = "INTERNAL"
)

const internalMessage = "服务内部错误"

// Classify 返回错误类别和可以返回给调用方的消息，内部错误不暴露原始信息
func Classify(err error) (Kind, string) {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return KindValidation, ve.Message
	}

	for _, c := range []struct {
		target error
		kind   Kind
	}{
		{service.ErrUnauthenticated, KindUnauthenticated},
		{repository.ErrPollNotFound, KindNotFound},
		{repository.ErrOptionNotFound, KindNotFound},
		{repository.ErrVoteNotFound, KindNotFound},
		{repository.ErrPollExists, KindConflict},
		{repository.ErrConflict, KindConflict},
		{repository.ErrUnavailable, KindUnavailable},
	} {
		if errors.Is(err, c.target) {
			return c.kind, c.target.Error()
		}
	}
	return KindInternal, internalMessage
}

// HTTPStatus 错误类别对应的HTTP状态码
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
