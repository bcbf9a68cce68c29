package tests

// MockFlagStore records endpoints flagged for manual review.
type MockFlagStore struct {
	Key            string
	Keys           []string
	ExecutionCount int
	ReturnedError  error
}

func (mfs *MockFlagStore) Flag(key string) error {
	mfs.ExecutionCount++
	mfs.Key = key
	mfs.Keys = append(mfs.Keys, key)

	return mfs.ReturnedError
}
