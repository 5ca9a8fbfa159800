package agentsim

import (
	"context"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agentplane/internal/common/logger"
	"github.com/kandev/agentplane/internal/controller"
	"github.com/kandev/agentplane/internal/messagebus"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func setup(t *testing.T, opts Options) (*messagebus.Bus, *Worker, <-chan messagebus.AgentMessage) {
	t.Helper()
	log := newTestLogger()
	bus := messagebus.New(messagebus.DefaultConfig(), log)
	require.NoError(t, bus.RegisterAgent("ctrl", nil))
	require.NoError(t, bus.RegisterAgent("w1", []string{"analysis"}))
	inbox, err := bus.Inbox("ctrl")
	require.NoError(t, err)
	return bus, NewWorker("w1", "ctrl", bus, opts, log), inbox
}

func sendTask(t *testing.T, bus *messagebus.Bus, taskID, taskType string) {
	t.Helper()
	_, err := bus.SendMessage(context.Background(), messagebus.AgentMessage{
		FromAgent:   "ctrl",
		ToAgent:     "w1",
		MessageType: messagebus.TaskRequest,
		Content: map[string]any{
			"task_id":   taskID,
			"task_type": taskType,
			"data":      "payload",
			"reply_to":  "ctrl",
		},
	})
	require.NoError(t, err)
}

func receive(t *testing.T, inbox <-chan messagebus.AgentMessage) messagebus.AgentMessage {
	t.Helper()
	select {
	case m := <-inbox:
		return m
	default:
		t.Fatal("expected a message")
		return messagebus.AgentMessage{}
	}
}

func TestWorkerAnswersTask(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		bus, w, inbox := setup(t, Options{Delay: 100 * time.Millisecond, Acknowledge: true})
		require.NoError(t, w.Start(context.Background()))
		defer w.Stop()

		sendTask(t, bus, "t1", "analysis")
		synctest.Wait()

		ack := receive(t, inbox)
		assert.Equal(t, messagebus.StatusUpdate, ack.MessageType)
		assert.Equal(t, controller.AckReceived, ack.String("status"))
		assert.Empty(t, inbox, "response waits for the simulated delay")

		time.Sleep(100 * time.Millisecond)
		synctest.Wait()

		resp := receive(t, inbox)
		assert.Equal(t, messagebus.TaskResponse, resp.MessageType)
		assert.Equal(t, "w1", resp.FromAgent)
		assert.Equal(t, "t1", resp.String("task_id"))
		assert.Equal(t, controller.ResponseCompleted, resp.String("status"))
		assert.Equal(t, map[string]any{"task_type": "analysis", "echo": "payload"}, resp.Content["result"])
		assert.EqualValues(t, 1, w.Handled())
	})
}

func TestWorkerReportsFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		bus, w, inbox := setup(t, Options{Delay: time.Millisecond})
		require.NoError(t, w.Start(context.Background()))
		defer w.Stop()

		sendTask(t, bus, "t1", TaskTypeFail)
		time.Sleep(time.Millisecond)
		synctest.Wait()

		resp := receive(t, inbox)
		assert.Equal(t, controller.ResponseFailed, resp.String("status"))
		assert.Contains(t, resp.String("error"), "simulated failure")
	})
}

func TestWorkerHangsAndSlowTasks(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		bus, w, inbox := setup(t, Options{Delay: 10 * time.Millisecond})
		require.NoError(t, w.Start(context.Background()))
		defer w.Stop()

		sendTask(t, bus, "t1", TaskTypeHang)
		sendTask(t, bus, "t2", TaskTypeSlow)
		time.Sleep(50 * time.Millisecond)
		synctest.Wait()
		assert.Empty(t, inbox)

		time.Sleep(50 * time.Millisecond)
		synctest.Wait()
		resp := receive(t, inbox)
		assert.Equal(t, "t2", resp.String("task_id"))
	})
}

func TestWorkerHeartbeats(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		_, w, inbox := setup(t, Options{HeartbeatInterval: time.Second})
		require.NoError(t, w.Start(context.Background()))

		time.Sleep(2*time.Second + time.Millisecond)
		synctest.Wait()
		w.Stop()

		assert.Len(t, inbox, 2)
		hb := receive(t, inbox)
		assert.Equal(t, messagebus.StatusUpdate, hb.MessageType)
		assert.Equal(t, StatusHeartbeat, hb.String("status"))
	})
}

func TestWorkerStartTwice(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		_, w, _ := setup(t, Options{})
		require.NoError(t, w.Start(context.Background()))
		assert.ErrorIs(t, w.Start(context.Background()), ErrAlreadyRunning)
		w.Stop()
	})
}

func TestWorkerUnknownAgent(t *testing.T) {
	bus := messagebus.New(messagebus.DefaultConfig(), newTestLogger())
	w := NewWorker("ghost", "ctrl", bus, Options{}, newTestLogger())
	assert.Error(t, w.Start(context.Background()))
}
