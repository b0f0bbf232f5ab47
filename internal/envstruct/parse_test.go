package envstruct_test

import (
	"testing"

	"github.com/opendx-health/opendx/internal/envstruct"
	"github.com/stretchr/testify/require"
)

type config struct {
	Addr   string `env:"OPENDX_ADDR" envDefault:"localhost:4000"`
	Secret string `env:"OPENDX_JWT_SECRET"`
	Plain  string
}

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestPopulate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    config
		wantErr error
	}{
		{
			name: "all set",
			env:  map[string]string{"OPENDX_ADDR": "localhost:0", "OPENDX_JWT_SECRET": "hush"},
			want: config{Addr: "localhost:0", Secret: "hush"},
		},
		{
			name: "default applies",
			env:  map[string]string{"OPENDX_JWT_SECRET": "hush"},
			want: config{Addr: "localhost:4000", Secret: "hush"},
		},
		{
			name:    "missing without default",
			env:     map[string]string{},
			wantErr: envstruct.ErrEnvNotSet,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg config
			err := envstruct.Populate(&cfg, lookupFrom(tt.env))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, cfg)
		})
	}
}

func TestPopulateRejectsNonStructs(t *testing.T) {
	var s string
	require.ErrorIs(t, envstruct.Populate(&s, lookupFrom(nil)), envstruct.ErrInvalidValue)
	require.ErrorIs(t, envstruct.Populate(config{}, lookupFrom(nil)), envstruct.ErrInvalidValue)
}
