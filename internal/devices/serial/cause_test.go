package serial

import "testing"

func TestInterruptCausePriority(t *testing.T) {
	all := byte(ierRDA | ierTHRI | ierRLS | ierMSI)

	tests := []struct {
		name string
		in   causeInputs
		want byte
	}{
		{
			name: "idle",
			in:   causeInputs{ier: all, trigger: 1},
			want: iirNone,
		},
		{
			name: "everything pending picks line status",
			in: causeInputs{
				ier: all, lsr: lsrOverrun | lsrDataReady, msrDelta: msrDeltaCTS,
				fifoEnabled: true, rxCount: 8, trigger: 4,
				thrEmptyPending: true, timeoutPending: true,
			},
			want: iirRLS,
		},
		{
			name: "timeout beats data available",
			in: causeInputs{
				ier: all, lsr: lsrDataReady,
				fifoEnabled: true, rxCount: 8, trigger: 4, timeoutPending: true,
			},
			want: iirTimeout,
		},
		{
			name: "data available beats transmit empty",
			in: causeInputs{
				ier: all, lsr: lsrDataReady,
				fifoEnabled: true, rxCount: 4, trigger: 4, thrEmptyPending: true,
			},
			want: iirRDA,
		},
		{
			name: "below trigger falls through to transmit empty",
			in: causeInputs{
				ier: all, lsr: lsrDataReady,
				fifoEnabled: true, rxCount: 3, trigger: 4, thrEmptyPending: true,
			},
			want: iirTHRI,
		},
		{
			name: "non-FIFO data ready is immediate",
			in:   causeInputs{ier: ierRDA, lsr: lsrDataReady, rxCount: 1, trigger: 14},
			want: iirRDA,
		},
		{
			name: "modem status is lowest",
			in:   causeInputs{ier: all, msrDelta: msrDeltaDCD, trigger: 1},
			want: iirMSI,
		},
		{
			name: "disabled sources are ignored",
			in: causeInputs{
				ier: ierMSI, lsr: lsrBreak | lsrDataReady,
				rxCount: 1, trigger: 1, thrEmptyPending: true, timeoutPending: true,
			},
			want: iirNone,
		},
		{
			name: "break is a line status error",
			in:   causeInputs{ier: ierRLS, lsr: lsrBreak, trigger: 1},
			want: iirRLS,
		},
		{
			name: "THRE bit alone is not pending",
			in:   causeInputs{ier: ierTHRI, lsr: lsrTHRE | lsrTEMT, trigger: 1},
			want: iirNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := interruptCause(tt.in); got != tt.want {
				t.Fatalf("interruptCause = 0x%02x, want 0x%02x", got, tt.want)
			}
		})
	}
}
