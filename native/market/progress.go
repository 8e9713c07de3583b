package market

// UpdateProgress records how many lessons a buyer has completed. Only the
// purchasing buyer can move their own progress; the completed count can never
// exceed the total frozen at purchase time. The floor percentage feeds refund
// eligibility.
func (e *Engine) UpdateProgress(buyer [20]byte, courseID uint64, completed uint64) (*Progress, error) {
	var result *Progress
	err := e.runTx(func() error {
		progress, ok, err := e.state.ProgressGet(buyer, courseID)
		if err != nil {
			return err
		}
		if !ok || progress.Total == 0 {
			return ErrNotPurchased
		}
		if completed > progress.Total {
			return ErrProgressOverflow
		}
		progress.Completed = completed
		progress.Percent = uint32(completed * 100 / progress.Total)
		progress.UpdatedAt = e.now()
		if err := e.state.ProgressPut(progress); err != nil {
			return err
		}
		result = progress.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ProgressOf returns a copy of the stored progress entry.
func (e *Engine) ProgressOf(buyer [20]byte, courseID uint64) (*Progress, error) {
	if e == nil || e.state == nil {
		return nil, ErrNilState
	}
	if err := e.rlock(); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()
	progress, ok, err := e.state.ProgressGet(buyer, courseID)
	if err != nil {
		return nil, err
	}
	if !ok || progress.Total == 0 {
		return nil, ErrNotPurchased
	}
	return progress.Clone(), nil
}
