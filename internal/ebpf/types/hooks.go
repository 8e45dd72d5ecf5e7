// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package types

// ProgramType represents the attachment kinds used by the mesh datapath.
type ProgramType string

const (
	ProgramTypeCgroupConnect4 ProgramType = "cgroup_connect4"
	ProgramTypeSockOps        ProgramType = "sock_ops"
	ProgramTypeSkMsg          ProgramType = "sk_msg"
	ProgramTypeUnspec         ProgramType = "unspec"
)

func (p ProgramType) String() string {
	return string(p)
}

// HookConfig represents configuration for attaching a hook. AttachPoint is a
// cgroup path for cgroup programs and a pinned map path or map name for sk_msg.
type HookConfig struct {
	ProgramName string      `json:"program_name"`
	ProgramType ProgramType `json:"program_type"`
	AttachPoint string      `json:"attach_point"`
	AutoReplace bool        `json:"auto_replace"`
}

// HookStats represents statistics for a hook
type HookStats struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	AttachPoint string `json:"attach_point"`
	AttachedAt  int64  `json:"attached_at"`
}
