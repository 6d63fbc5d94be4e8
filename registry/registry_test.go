package registry

import (
	"context"
	"testing"

	"github.com/BranchIntl/goresque/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emailHandler struct {
	in Instance
}

func (h *emailHandler) Perform(ctx context.Context) error { return nil }

func newEmail(in Instance) interface{} { return &emailHandler{in: in} }

func TestRegistry_Register(t *testing.T) {
	tests := []struct {
		name      string
		class     string
		factory   Factory
		expectErr error
	}{
		{"valid registration", "EmailJob", newEmail, nil},
		{"empty class name", "", newEmail, errors.ErrEmptyClassName},
		{"nil factory", "EmailJob", nil, errors.ErrNilFactory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()

			err := registry.Register(tt.class, tt.factory)

			if tt.expectErr != nil {
				assert.ErrorIs(t, err, tt.expectErr)
				return
			}
			require.NoError(t, err)
			factory, found := registry.Get(tt.class)
			assert.True(t, found)
			assert.NotNil(t, factory)
		})
	}
}

func TestRegistry_BasicOperations(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("Zeta", newEmail))
	require.NoError(t, registry.Register("Alpha", newEmail))

	assert.Equal(t, []string{"Alpha", "Zeta"}, registry.List())

	registry.Remove("Zeta")
	_, found := registry.Get("Zeta")
	assert.False(t, found)

	registry.Clear()
	assert.Empty(t, registry.List())
}

func TestRegistry_FactoryReceivesInstance(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("EmailJob", newEmail))

	factory, _ := registry.Get("EmailJob")
	h := factory(Instance{ID: "abc", Queue: "mail", Args: map[string]interface{}{"to": "a@x.com"}})

	email, ok := h.(*emailHandler)
	require.True(t, ok)
	assert.Equal(t, "abc", email.in.ID)
	assert.Equal(t, "mail", email.in.Queue)
	assert.Equal(t, "a@x.com", email.in.Args["to"])
}

func TestRegistry_RegisterFunc(t *testing.T) {
	registry := NewRegistry()
	var got Instance
	require.NoError(t, registry.RegisterFunc("Ping", func(ctx context.Context, in Instance) error {
		got = in
		return nil
	}))
	assert.ErrorIs(t, registry.RegisterFunc("Nil", nil), errors.ErrNilFactory)

	factory, found := registry.Get("Ping")
	require.True(t, found)
	p, ok := factory(Instance{Queue: "default"}).(Performer)
	require.True(t, ok)
	require.NoError(t, p.Perform(context.Background()))
	assert.Equal(t, "default", got.Queue)
}
