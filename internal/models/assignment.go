package models

import "time"

// DeviceAssignment 设备与被监护对象的绑定（对应 device_assignments 表）
// 同一设备同一时间最多一条 UnassignedDate 为空的记录
type DeviceAssignment struct {
	AssignmentID       string     `json:"assignment_id" db:"assignment_id"`
	DeviceID           string     `json:"device_id" db:"device_id"`
	TenantID           string     `json:"tenant_id" db:"tenant_id"`
	SubjectID          string     `json:"subject_id" db:"subject_id"`
	AssignedDate       time.Time  `json:"assigned_date" db:"assigned_date"`
	UnassignedDate     *time.Time `json:"unassigned_date,omitempty" db:"unassigned_date"`
	IsStreaming        bool       `json:"is_streaming" db:"is_streaming"`
	StreamingStartedAt *time.Time `json:"streaming_started_at,omitempty" db:"streaming_started_at"`
	StreamingStoppedAt *time.Time `json:"streaming_stopped_at,omitempty" db:"streaming_stopped_at"`
}

// IsOpen 绑定是否仍然有效
func (a *DeviceAssignment) IsOpen() bool {
	return a.UnassignedDate == nil
}
