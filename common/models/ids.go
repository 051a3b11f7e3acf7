package models

import "github.com/google/uuid"

func NewScheduleID() string { return "sch_" + uuid.NewString() }

func NewRunID() string { return "run_" + uuid.NewString() }
