package handler

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/josh-kwaku/escrow-ledger/internal/auth"
	"github.com/josh-kwaku/escrow-ledger/internal/domain"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func actorFromRequest(r *http.Request) (domain.Actor, *AppError) {
	actor, ok := auth.ActorFromContext(r.Context())
	if !ok {
		return domain.Actor{}, ErrMissingToken
	}
	return actor, nil
}

func escrowIDFromPath(r *http.Request) (uuid.UUID, *AppError) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return uuid.Nil, ErrResourceNotFound
	}
	return id, nil
}

func currencyFromPath(r *http.Request) (domain.Currency, *AppError) {
	c, err := domain.ParseCurrency(r.PathValue("currency"))
	if err != nil {
		return "", ErrInvalidCurrency
	}
	return c, nil
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = defaultPageSize
	}
	limit = min(limit, maxPageSize)
	offset = max(offset, 0)
	return limit, offset
}
