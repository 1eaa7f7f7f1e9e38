package cluster

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// 工作进程角色
const (
	RoleMaster = "master"
	RoleGift   = "gift"  // 分区抽奖
	RoleFixed  = "fixed" // 固定房间
	RoleTail   = "tail"  // 旁路查看事件 topic，不由主进程启动

	dynamicPrefix = "dynamic-"
)

// DynamicRole 第 i 个动态分片的角色名
func DynamicRole(i int) string {
	return dynamicPrefix + strconv.Itoa(i)
}

// IsDynamic 是否为动态分片
func IsDynamic(role string) bool {
	return strings.HasPrefix(role, dynamicPrefix)
}

// Roles 主进程需要启动的全部角色
func Roles(dynamicShards int) []string {
	roles := []string{RoleGift, RoleFixed}
	for i := 0; i < dynamicShards; i++ {
		roles = append(roles, DynamicRole(i))
	}
	return roles
}

// ValidWorkerRole 是否为工作进程角色
func ValidWorkerRole(role string) bool {
	if role == RoleGift || role == RoleFixed {
		return true
	}
	if !IsDynamic(role) {
		return false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(role, dynamicPrefix))
	return err == nil && n >= 0
}

// Process 一个运行中的工作进程
type Process struct {
	Role    string
	PID     int
	Channel *Channel

	wait func() error
	kill func() error
}

// NewProcess 由通道和生命周期函数构造进程（测试中用进程内的 worker 代替）
func NewProcess(role string, pid int, ch *Channel, wait, kill func() error) *Process {
	return &Process{Role: role, PID: pid, Channel: ch, wait: wait, kill: kill}
}

// Wait 等待进程退出
func (p *Process) Wait() error {
	return p.wait()
}

// Kill 强制结束进程
func (p *Process) Kill() error {
	return p.kill()
}

// Spawner 启动工作进程
type Spawner interface {
	Spawn(ctx context.Context, role string) (*Process, error)
}

// ExecSpawner 以子进程方式启动自身二进制
//
// 子进程的 stdin/stdout 作为管道通道，stderr 继承父进程用于日志。
type ExecSpawner struct {
	Binary     string
	ConfigPath string
	ExtraArgs  []string
}

// NewExecSpawner 使用当前可执行文件
func NewExecSpawner(configPath string, extraArgs ...string) (*ExecSpawner, error) {
	binary, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ExecSpawner{Binary: binary, ConfigPath: configPath, ExtraArgs: extraArgs}, nil
}

// Spawn 启动子进程
func (s *ExecSpawner) Spawn(ctx context.Context, role string) (*Process, error) {
	args := append([]string{"-role", role, "-config", s.ConfigPath}, s.ExtraArgs...)
	cmd := exec.Command(s.Binary, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s worker: %w", role, err)
	}

	ch := NewChannel(RoleMaster, role, stdout, stdin)
	return NewProcess(role, cmd.Process.Pid, ch, cmd.Wait, cmd.Process.Kill), nil
}
