package sequence

// AllocateBatch reserves a contiguous range of count sequence slots in one
// atomic counter advance and returns its inclusive bounds. No concurrent
// allocation can be assigned a value inside [start, end], so a broadcast
// fan-out can land as one event with stepCount == count.
func (s *Store) AllocateBatch(userID, channel string, count uint64) (start, end uint64, err error) {
	end, err = s.Allocate(userID, channel, count)
	if err != nil {
		return 0, 0, err
	}
	return end - count + 1, end, nil
}
