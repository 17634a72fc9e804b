package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// ErrAlreadyRunning is returned when another extractor holds the PID lock.
var ErrAlreadyRunning = errors.New("another extractor process is running")

// TaskInfo is what the running extractor is doing right now. It is read by
// the status and viewer commands from other processes.
type TaskInfo struct {
	PID           int       `json:"pid"`
	SessionID     string    `json:"session_id"`
	StartTime     time.Time `json:"start_time"`
	Source        string    `json:"source"`
	ProgressFile  string    `json:"progress_file"`
	CurrentEntity string    `json:"current_entity,omitempty"`
	CurrentStatus string    `json:"current_status,omitempty"`
	RowsStreamed  int64     `json:"rows_streamed"`
	Progress      float64   `json:"progress"`
	TotalItems    int       `json:"total_items"`
	DoneItems     int       `json:"done_items"`
	LastUpdate    time.Time `json:"last_update"`
}

func stateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".legacy-extractor")
}

// GetPIDFilePath returns the path to the PID file
func GetPIDFilePath() string {
	return filepath.Join(stateDir(), "extractor.pid")
}

// GetTaskFilePath returns the path to the task info file
func GetTaskFilePath() string {
	return filepath.Join(stateDir(), "current_task.json")
}

// WritePIDFile writes the current process PID to a file
func WritePIDFile() error {
	pidPath := GetPIDFilePath()
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// RemovePIDFile removes the PID file
func RemovePIDFile() error {
	return os.Remove(GetPIDFilePath())
}

// ReadPIDFile reads the PID from file
func ReadPIDFile() (int, error) {
	data, err := os.ReadFile(GetPIDFilePath())
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 only checks for existence.
	return process.Signal(syscall.Signal(0)) == nil
}

// RunningPID returns the PID of a live extractor, or 0. A stale PID file
// left by a crashed process counts as not running.
func RunningPID() int {
	pid, err := ReadPIDFile()
	if err != nil || pid == os.Getpid() {
		return 0
	}
	if !IsProcessRunning(pid) {
		return 0
	}
	return pid
}

// AcquireLock takes the PID lock for this process. The returned function
// releases it along with the task file.
func AcquireLock() (func(), error) {
	if pid := RunningPID(); pid != 0 {
		return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}
	if err := WritePIDFile(); err != nil {
		return nil, err
	}
	return func() {
		_ = RemovePIDFile()
		_ = RemoveTaskFile()
	}, nil
}

// WriteTaskInfo writes current task information to file
func WriteTaskInfo(info *TaskInfo) error {
	taskPath := GetTaskFilePath()
	if err := os.MkdirAll(filepath.Dir(taskPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	info.LastUpdate = time.Now()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task info: %w", err)
	}

	// Written through a temp file so the viewer never reads half a document.
	tmp := taskPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, taskPath)
}

// ReadTaskInfo reads current task information from file
func ReadTaskInfo() (*TaskInfo, error) {
	data, err := os.ReadFile(GetTaskFilePath())
	if err != nil {
		return nil, err
	}

	var info TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task info: %w", err)
	}
	return &info, nil
}

// RemoveTaskFile removes the task info file
func RemoveTaskFile() error {
	return os.Remove(GetTaskFilePath())
}
