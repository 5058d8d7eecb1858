package service

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrRunNotFound       = errors.New("run 不存在")
	ErrProjectNotFound   = errors.New("项目不存在")
	ErrCandidateNotFound = errors.New("候选不存在")
	ErrSnapshotNotFound  = errors.New("快照不存在")
	ErrBudgetExhausted   = errors.New("run 预算已耗尽")
	// ErrGenerationMalformed 生成输出结构不合法；调用方用中性默认值兜底，不向上传播
	ErrGenerationMalformed = errors.New("生成输出不合法")
	ErrInvalidPhase        = errors.New("未知阶段")
	ErrInvalidArgument     = errors.New("参数不合法")
	ErrProvenanceConflict  = errors.New("溯源日志并发追加冲突")
)

// PrerequisiteMissingError 项目缺少 spec/world-model 等前置产物
type PrerequisiteMissingError struct {
	ProjectID         uint
	Missing           []string
	AvailableProjects []uint
}

func (e *PrerequisiteMissingError) Error() string {
	return fmt.Sprintf("项目 %d 缺少前置产物: %s（当前存在的项目: %v）",
		e.ProjectID, strings.Join(e.Missing, ", "), e.AvailableProjects)
}

// PhaseExecutionError 某个阶段执行失败；run 的 error_summary 即为其 Error()
type PhaseExecutionError struct {
	Phase Phase
	Err   error
}

func (e *PhaseExecutionError) Error() string {
	return fmt.Sprintf("阶段 %s 执行失败: %v", e.Phase, e.Err)
}

func (e *PhaseExecutionError) Unwrap() error {
	return e.Err
}
