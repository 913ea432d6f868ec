// Copyright 2025 James Ross
package progress

import (
	"math"

	"github.com/flyingrobots/vk-collector/internal/task"
)

const (
	groupsWeight   = 0.10
	postsWeight    = 0.30
	commentsWeight = 0.60
)

type Phase string

const (
	PhaseGroups   Phase = "groups"
	PhasePosts    Phase = "posts"
	PhaseComments Phase = "comments"
)

type Progress struct {
	Processed  int
	Total      int
	Percentage int
	Phase      Phase
}

// Calculate is a pure function from task metrics (and terminal status) to a
// progress projection. Equal inputs always produce equal outputs.
func Calculate(status task.Status, m task.Metrics, estCommentsPerPost int) Progress {
	if estCommentsPerPost <= 0 {
		estCommentsPerPost = 15
	}

	groupsProgress := 0.0
	if m.GroupsTotal > 0 {
		groupsProgress = float64(m.GroupsProcessed) / float64(m.GroupsTotal) * groupsWeight
	}

	postsProgress := 0.0
	groupsDone := m.GroupsTotal > 0 && m.GroupsProcessed >= m.GroupsTotal
	if groupsDone && m.PostsTotal > 0 {
		postsProgress = float64(m.PostsProcessed) / float64(m.PostsTotal) * postsWeight
	}

	commentsProgress := 0.0
	if m.CommentsTotal > 0 {
		commentsProgress = float64(m.CommentsProcessed) / float64(m.CommentsTotal) * commentsWeight
	} else {
		estComments := m.PostsProcessed * estCommentsPerPost
		if estComments < 1 {
			estComments = 1
		}
		commentsProgress = math.Min(float64(m.CommentsProcessed)/float64(estComments)*commentsWeight, commentsWeight)
	}

	total := groupsProgress + postsProgress + commentsProgress
	pct := int(math.Round(total * 100))
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if status == task.StatusCompleted {
		pct = 100
	}

	phase := PhaseGroups
	switch {
	case groupsProgress >= groupsWeight && postsProgress < postsWeight && m.PostsTotal > 0:
		phase = PhasePosts
	case groupsProgress >= groupsWeight && (postsProgress >= postsWeight || m.PostsTotal == 0):
		phase = PhaseComments
	}

	return Progress{
		Processed:  m.GroupsProcessed + m.PostsProcessed + m.CommentsProcessed,
		Total:      m.GroupsTotal + m.PostsTotal + m.CommentsTotal,
		Percentage: pct,
		Phase:      phase,
	}
}
