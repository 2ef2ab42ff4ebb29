package migration

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMigrator records the calls CLI makes.
type fakeMigrator struct {
	calls   []string
	version uint
	dirty   bool
	err     error
}

func (f *fakeMigrator) record(call string) error {
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeMigrator) Up(context.Context) error      { f.version = 2; return f.record("up") }
func (f *fakeMigrator) Down(context.Context) error    { f.version--; return f.record("down") }
func (f *fakeMigrator) DownAll(context.Context) error { f.version = 0; return f.record("down-all") }
func (f *fakeMigrator) Steps(_ context.Context, n int) error {
	f.version = uint(int(f.version) + n)
	return f.record("steps")
}
func (f *fakeMigrator) Goto(_ context.Context, v uint) error { f.version = v; return f.record("goto") }
func (f *fakeMigrator) Force(_ context.Context, v int) error {
	f.version = uint(v)
	f.dirty = false
	return f.record("force")
}
func (f *fakeMigrator) Version(context.Context) (uint, bool, error) { return f.version, f.dirty, nil }
func (f *fakeMigrator) Status(context.Context) ([]MigrationStatus, error) {
	return []MigrationStatus{
		{Version: 1, Name: "create_memory_units", Applied: f.version >= 1},
		{Version: 2, Name: "add_category_timeline_index", Applied: f.version >= 2, Dirty: f.dirty},
	}, nil
}
func (f *fakeMigrator) Info(context.Context) (*MigrationInfo, error) {
	applied := int(min(f.version, 2))
	return &MigrationInfo{CurrentVersion: f.version, Dirty: f.dirty, TotalMigrations: 2,
		AppliedMigrations: applied, PendingMigrations: 2 - applied}, nil
}
func (f *fakeMigrator) Close() error { return nil }

func TestCLI_Run(t *testing.T) {
	tests := []struct {
		name    string
		command string
		args    []string
		start   uint
		confirm bool
		calls   []string
		output  string
	}{
		{name: "up", command: "up", calls: []string{"up"}, output: "up: version 2"},
		{name: "reset", command: "reset", start: 2, confirm: true, calls: []string{"down-all", "up"}, output: "down-all: schema removed\nup: version 2"},
		{name: "steps forward", command: "steps", args: []string{"1"}, calls: []string{"steps"}, output: "steps +1: version 1"},
		{name: "steps back", command: "steps", args: []string{"-1"}, start: 2, confirm: true, calls: []string{"steps"}, output: "steps -1: version 1"},
		{name: "goto", command: "goto", args: []string{"1"}, calls: []string{"goto"}, output: "goto: version 1"},
		{name: "force", command: "force", args: []string{"1"}, confirm: true, calls: []string{"force"}, output: "version recorded as 1"},
		{name: "version empty", command: "version", output: "no migrations applied"},
		{name: "status", command: "status", start: 1, output: "1 applied, 1 pending"},
		{name: "info", command: "info", start: 2, output: "pending:    0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeMigrator{version: tt.start}
			var out bytes.Buffer
			cli := NewCLI(fake)
			cli.SetOutput(&out)
			cli.SetConfirmed(tt.confirm)

			require.NoError(t, cli.Run(context.Background(), tt.command, tt.args))
			assert.Equal(t, tt.calls, fake.calls)
			assert.Contains(t, out.String(), tt.output)
		})
	}
}

func TestCLI_RunRejects(t *testing.T) {
	tests := []struct {
		name    string
		command string
		args    []string
		wantErr string
	}{
		{"goto missing arg", "goto", nil, "exactly one numeric argument"},
		{"goto negative", "goto", []string{"-3"}, "must not be negative"},
		{"steps bad number", "steps", []string{"x"}, "invalid number"},
		{"stray argument", "up", []string{"3"}, "takes no arguments"},
		{"unknown", "sideways", nil, "unknown migrate command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeMigrator{}
			cli := NewCLI(fake)
			cli.SetOutput(&bytes.Buffer{})
			cli.SetConfirmed(true)

			assert.ErrorContains(t, cli.Run(context.Background(), tt.command, tt.args), tt.wantErr)
			assert.Empty(t, fake.calls)
		})
	}
}

func TestCLI_DestructiveNeedsConfirmation(t *testing.T) {
	for _, tc := range []struct {
		command string
		args    []string
	}{
		{"down", nil}, {"down-all", nil}, {"reset", nil}, {"force", []string{"1"}}, {"steps", []string{"-1"}},
	} {
		fake := &fakeMigrator{version: 2}
		cli := NewCLI(fake)
		cli.SetOutput(&bytes.Buffer{})

		err := cli.Run(context.Background(), tc.command, tc.args)
		assert.ErrorIs(t, err, ErrConfirmationRequired, tc.command)
		assert.Empty(t, fake.calls, tc.command)
	}
}

func TestCLI_StatusShowsDirty(t *testing.T) {
	fake := &fakeMigrator{version: 2, dirty: true}
	var out bytes.Buffer
	cli := NewCLI(fake)
	cli.SetOutput(&out)

	require.NoError(t, cli.RunStatus(context.Background()))
	assert.Regexp(t, `000002\s+add_category_timeline_index\s+dirty`, out.String())

	out.Reset()
	require.NoError(t, cli.RunVersion(context.Background()))
	assert.Equal(t, "version 2 (dirty)\n", out.String())
}

func TestCLI_PropagatesErrors(t *testing.T) {
	cli := NewCLI(&fakeMigrator{err: errors.New("locked")})
	cli.SetOutput(&bytes.Buffer{})
	assert.ErrorContains(t, cli.RunUp(context.Background()), "migration failed: locked")
}

func TestWriteUsage(t *testing.T) {
	var out bytes.Buffer
	WriteUsage(&out)
	assert.Contains(t, out.String(), "goto <n>")
	assert.Regexp(t, `down-all\s+roll back every migration \*`, out.String())
	assert.Len(t, Commands(), 10)
}
