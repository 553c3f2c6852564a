package supervision

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/loykin/gsward/internal/schedule"
)

// ManagedServer is the identity and policy for one supervised game server
// process. It is operator-owned configuration; the mutable runtime fields
// (timestamps, build id) live in the state store, not here.
type ManagedServer struct {
	Name        string   `json:"name" mapstructure:"name"`
	ProcessName string   `json:"process_name" mapstructure:"process_name"`
	Executable  string   `json:"executable" mapstructure:"executable"`
	Args        []string `json:"args" mapstructure:"args"`
	WorkDir     string   `json:"work_dir" mapstructure:"work_dir"`
	Enabled     bool     `json:"enabled" mapstructure:"enabled"`
	AutoRestart bool     `json:"auto_restart" mapstructure:"auto_restart"`

	AutoUpdate     bool   `json:"auto_update" mapstructure:"auto_update"`
	UpdateSourceID string `json:"update_source_id" mapstructure:"update_source_id"`
	UpdateSchedule string `json:"update_schedule" mapstructure:"update_schedule"`

	AutoBackup            bool   `json:"auto_backup" mapstructure:"auto_backup"`
	BackupSourcePath      string `json:"backup_source_path" mapstructure:"backup_source_path"`
	BackupDestPath        string `json:"backup_dest_path" mapstructure:"backup_dest_path"`
	BackupSchedule        string `json:"backup_schedule" mapstructure:"backup_schedule"`
	BackupsToKeep         int    `json:"backups_to_keep" mapstructure:"backups_to_keep"`
	BackupWithoutShutdown bool   `json:"backup_without_shutdown" mapstructure:"backup_without_shutdown"`
}

// Validate enforces the configuration invariants. A server failing
// validation is excluded from supervision; others proceed.
func (s *ManagedServer) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("server requires a name")
	}
	if strings.TrimSpace(s.ProcessName) == "" {
		return fmt.Errorf("server %s requires a process_name for liveness lookup", s.Name)
	}
	if strings.TrimSpace(s.Executable) == "" {
		return fmt.Errorf("server %s requires an executable", s.Name)
	}
	if s.AutoUpdate {
		if strings.TrimSpace(s.UpdateSourceID) == "" {
			return fmt.Errorf("server %s: auto_update requires update_source_id", s.Name)
		}
		if err := schedule.Validate(s.UpdateSchedule); err != nil {
			return fmt.Errorf("server %s: %w", s.Name, err)
		}
	}
	if s.AutoBackup {
		src := strings.TrimSpace(s.BackupSourcePath)
		dst := strings.TrimSpace(s.BackupDestPath)
		if src == "" || dst == "" {
			return fmt.Errorf("server %s: auto_backup requires backup_source_path and backup_dest_path", s.Name)
		}
		if filepath.Clean(src) == filepath.Clean(dst) {
			return fmt.Errorf("server %s: backup source and destination must differ", s.Name)
		}
		if containsPath(src, dst) || containsPath(dst, src) {
			return fmt.Errorf("server %s: backup source and destination must not nest", s.Name)
		}
		if err := schedule.Validate(s.BackupSchedule); err != nil {
			return fmt.Errorf("server %s: %w", s.Name, err)
		}
	}
	return nil
}

// InstallDir is the path handed to the external updater: the working
// directory when set, else the executable's directory.
func (s *ManagedServer) InstallDir() string {
	if s.WorkDir != "" {
		return s.WorkDir
	}
	return filepath.Dir(s.Executable)
}

// containsPath reports whether child lies inside parent.
func containsPath(parent, child string) bool {
	rel, err := filepath.Rel(filepath.Clean(parent), filepath.Clean(child))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
