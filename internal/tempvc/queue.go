package tempvc

// The membership queue is the ordered, duplicate-free record of users who
// have occupied a channel, first arrival first. It decides ownership
// succession: the earliest-joined member still present inherits the channel.

// AppendMember returns the queue with userID added at the end. A user already
// queued keeps their original position. The input slice is not mutated.
func AppendMember(queue []string, userID string) []string {
	for _, id := range queue {
		if id == userID {
			return queue
		}
	}
	result := make([]string, 0, len(queue)+1)
	result = append(result, queue...)
	return append(result, userID)
}

// NextOwner returns the first queued user present among the occupants.
func NextOwner(queue []string, occupants []string) (string, bool) {
	present := toSet(occupants)
	for _, id := range queue {
		if present[id] {
			return id, true
		}
	}
	return "", false
}

// ReconcileQueue intersects the queue with the current occupants, preserving
// queue order. Users who left are forgotten on purpose; rejoining puts them
// at the back.
func ReconcileQueue(queue []string, occupants []string) []string {
	present := toSet(occupants)
	var result []string
	for _, id := range queue {
		if present[id] {
			result = append(result, id)
		}
	}
	return result
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func memberOf(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
