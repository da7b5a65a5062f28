package hostclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/KohakuBlueleaf/kohakuriver/internal/types"
	"github.com/stretchr/testify/require"
)

func TestExecuteRoutesVPSTasksToVPSCreate(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(0)
	node := &types.Node{URL: srv.URL}
	task := &types.Task{TaskID: 1, TaskType: types.TaskTypeVPS}

	require.NoError(t, c.Execute(node, task))
	require.Equal(t, "/vps/create", gotPath)
}

func TestExecuteRoutesCommandTasksToExecute(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(0)
	node := &types.Node{URL: srv.URL}
	task := &types.Task{TaskID: 2, TaskType: types.TaskTypeCommand}

	require.NoError(t, c.Execute(node, task))
	require.Equal(t, "/execute", gotPath)
}

func TestKillSendsTaskID(t *testing.T) {
	var body killRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(0)
	node := &types.Node{URL: srv.URL}
	require.NoError(t, c.Kill(context.Background(), node, 9))
	require.Equal(t, int64(9), body.TaskID)
}

func TestExecuteErrorsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(0)
	node := &types.Node{URL: srv.URL}
	task := &types.Task{TaskID: 3, TaskType: types.TaskTypeCommand}
	require.Error(t, c.Execute(node, task))
}
