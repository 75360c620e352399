package main

import (
	"context"
	"errors"
	"testing"

	"github.com/Dm1tryAndreev1ch/apperate/workflow"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type handlerFunc func(ctx context.Context, id string, data []byte) error

func (f handlerFunc) Handle(ctx context.Context, id string, data []byte) error { return f(ctx, id, data) }

func TestHandleDelivery(t *testing.T) {
	logger := logrus.New()
	ok := handlerFunc(func(context.Context, string, []byte) error { return nil })
	busy := handlerFunc(func(context.Context, string, []byte) error { return workflow.ErrIdempotencyInProgress })
	broken := handlerFunc(func(context.Context, string, []byte) error { return errors.New("db down") })

	assert.True(t, handleDelivery(context.Background(), logger, ok, "m-1", nil))
	assert.False(t, handleDelivery(context.Background(), logger, busy, "m-1", nil))
	assert.False(t, handleDelivery(context.Background(), logger, broken, "m-1", nil))
}
