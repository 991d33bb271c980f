package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/cloudshell/internal/provision"
	"github.com/terrpan/cloudshell/internal/runtime"
	"github.com/terrpan/cloudshell/internal/runtime/fakeruntime"
	"github.com/terrpan/cloudshell/internal/shellerr"
)

type ControllerSuite struct {
	suite.Suite
	ctx    context.Context
	rt     *fakeruntime.Runtime
	logger *slog.Logger
	c      *Controller
}

func (s *ControllerSuite) SetupTest() {
	s.ctx = context.Background()
	s.rt = fakeruntime.New()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.c = New(Config{Runtime: s.rt, Logger: s.logger})
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerSuite))
}

func (s *ControllerSuite) runningContainer() string {
	id, err := s.rt.CreateContainer(s.ctx, runtime.ContainerSpec{
		Image:  "ubuntu:latest",
		Ports:  []runtime.PortBinding{{ContainerPort: 22, Protocol: runtime.TCP}},
		Labels: map[string]string{runtime.RoleLabel: runtime.RoleShell},
	})
	require.NoError(s.T(), err)
	require.NoError(s.T(), s.rt.StartContainer(s.ctx, id))
	return id
}

func (s *ControllerSuite) state(id string) runtime.State {
	c, ok := s.rt.Container(id)
	require.True(s.T(), ok)
	return c.Info.State
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestEmptyIdentifier_NoRuntimeCall() {
	ops := map[string]func(context.Context, string) error{
		"start":  s.c.Start,
		"stop":   s.c.Stop,
		"delete": s.c.Delete,
	}
	for name, op := range ops {
		for _, id := range []string{"", "  "} {
			err := op(s.ctx, id)
			assert.Equal(s.T(), shellerr.MissingIdentifier, shellerr.KindOf(err), name)
		}
	}
	assert.Empty(s.T(), s.rt.Calls())
}

func (s *ControllerSuite) TestUnknownIdentifier_IsNotFound() {
	ops := map[string]func(context.Context, string) error{
		"start":  s.c.Start,
		"stop":   s.c.Stop,
		"delete": s.c.Delete,
	}
	for name, op := range ops {
		err := op(s.ctx, "deadbeefcafe")
		assert.Equal(s.T(), shellerr.ContainerNotFound, shellerr.KindOf(err), name)
	}

	_, err := s.c.Status(s.ctx, "deadbeefcafe")
	assert.Equal(s.T(), shellerr.ContainerNotFound, shellerr.KindOf(err))
}

func (s *ControllerSuite) TestNonShellContainers_AreNotFound() {
	s.rt.Put(runtime.ContainerInfo{
		ID:     "relay0001",
		Name:   "wireguard",
		State:  runtime.StateRunning,
		Labels: map[string]string{runtime.RoleLabel: runtime.RoleRelay},
	})
	s.rt.Put(runtime.ContainerInfo{ID: "foreign0001", Name: "postgres", State: runtime.StateRunning})

	for _, id := range []string{"wireguard", "relay0001", "foreign0001"} {
		err := s.c.Delete(s.ctx, id)
		assert.Equal(s.T(), shellerr.ContainerNotFound, shellerr.KindOf(err), id)
		err = s.c.Stop(s.ctx, id)
		assert.Equal(s.T(), shellerr.ContainerNotFound, shellerr.KindOf(err), id)
		_, err = s.c.Status(s.ctx, id)
		assert.Equal(s.T(), shellerr.ContainerNotFound, shellerr.KindOf(err), id)
	}

	assert.Zero(s.T(), s.rt.CallCount("StopContainer"))
	assert.Zero(s.T(), s.rt.CallCount("RemoveContainer"))
	relay, ok := s.rt.Container("relay0001")
	require.True(s.T(), ok)
	assert.Equal(s.T(), runtime.StateRunning, relay.Info.State)
}

// ---------------------------------------------------------------------------
// Transitions
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestStopStart() {
	id := s.runningContainer()

	require.NoError(s.T(), s.c.Stop(s.ctx, id))
	assert.Equal(s.T(), runtime.StateExited, s.state(id))

	require.NoError(s.T(), s.c.Start(s.ctx, id))
	assert.Equal(s.T(), runtime.StateRunning, s.state(id))
}

func (s *ControllerSuite) TestRepeatedTransitionsAreNoOps() {
	id := s.runningContainer()

	require.NoError(s.T(), s.c.Start(s.ctx, id))
	require.NoError(s.T(), s.c.Stop(s.ctx, id))
	require.NoError(s.T(), s.c.Stop(s.ctx, id))
	assert.Equal(s.T(), runtime.StateExited, s.state(id))
}

func (s *ControllerSuite) TestDelete_StopsThenRemoves() {
	id := s.runningContainer()

	require.NoError(s.T(), s.c.Delete(s.ctx, id))

	var methods []string
	for _, c := range s.rt.Calls() {
		if c.ID == id && (c.Method == "StopContainer" || c.Method == "RemoveContainer") {
			methods = append(methods, c.Method)
		}
	}
	assert.Equal(s.T(), []string{"StopContainer", "RemoveContainer"}, methods)

	err := s.c.Delete(s.ctx, id)
	assert.Equal(s.T(), shellerr.ContainerNotFound, shellerr.KindOf(err))
	err = s.c.Start(s.ctx, id)
	assert.Equal(s.T(), shellerr.ContainerNotFound, shellerr.KindOf(err))
}

func (s *ControllerSuite) TestShortIDResolvesToFullID() {
	id := s.runningContainer()

	require.NoError(s.T(), s.c.Stop(s.ctx, id[:12]))
	assert.Equal(s.T(), runtime.StateExited, s.state(id))
}

func (s *ControllerSuite) TestStatus() {
	id := s.runningContainer()

	st, err := s.c.Status(s.ctx, id)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), id, st.ContainerID)
	assert.Equal(s.T(), runtime.StateRunning, st.State)
	assert.NotEmpty(s.T(), st.Port)
	assert.NotEmpty(s.T(), st.IPAddress)
}

// ---------------------------------------------------------------------------
// End to end with the provisioner
// ---------------------------------------------------------------------------

func (s *ControllerSuite) TestProvisionStopStartDelete() {
	p := provision.New(provision.Config{Runtime: s.rt, Logger: s.logger})

	res, err := p.Provision(s.ctx, provision.Request{})
	require.NoError(s.T(), err)
	assert.Greater(s.T(), res.Port, 0)
	assert.NotEmpty(s.T(), res.ContainerID)
	assert.Equal(s.T(), "root", res.User)
	assert.Equal(s.T(), res.ContainerID, res.Password)

	require.NoError(s.T(), s.c.Stop(s.ctx, res.ContainerID))
	require.NoError(s.T(), s.c.Start(s.ctx, res.ContainerID))
	require.NoError(s.T(), s.c.Delete(s.ctx, res.ContainerID))

	err = s.c.Delete(s.ctx, res.ContainerID)
	assert.Equal(s.T(), shellerr.ContainerNotFound, shellerr.KindOf(err))
}
