package sweep

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wenwu/saas-platform/vpn-controller/internal/config"
)

func TestSweeperStartSchedulesJobs(t *testing.T) {
	s := NewSweeper(config.SweepConfig{
		UsageCron:  "*/10 * * * *",
		ExpiryCron: "*/5 * * * *",
		OrphanCron: "30 * * * *",
	}, nil)

	require.NoError(t, s.Start())

	select {
	case <-s.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestSweeperStartRejectsBadSpec(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.SweepConfig
		want string
	}{
		{
			name: "bad usage spec",
			cfg:  config.SweepConfig{UsageCron: "ten past never", ExpiryCron: "*/5 * * * *", OrphanCron: "30 * * * *"},
			want: "schedule usage sweep",
		},
		{
			name: "bad expiry spec",
			cfg:  config.SweepConfig{UsageCron: "*/10 * * * *", ExpiryCron: "***", OrphanCron: "30 * * * *"},
			want: "schedule expiry sweep",
		},
		{
			name: "bad audit spec",
			cfg:  config.SweepConfig{UsageCron: "*/10 * * * *", ExpiryCron: "*/5 * * * *", OrphanCron: ""},
			want: "schedule audit sweep",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSweeper(tt.cfg, nil)
			err := s.Start()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
