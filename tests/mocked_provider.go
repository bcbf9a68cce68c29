package tests

import (
	"context"
	"fmt"
	"sync"

	"github.com/roamlink/portal/lifecycle-processor/provider"
	"github.com/roamlink/portal/lifecycle-processor/utils"
)

type MockProviderClient struct {
	Profiles        map[string]*provider.ProfileStatus
	ReturnedError   error
	RequestedICCIDs []string
	ExecutionCount  int

	mutex sync.Mutex
}

func (mpc *MockProviderClient) FetchProfile(ctx context.Context, iccid string) utils.Result[*provider.ProfileStatus] {
	mpc.mutex.Lock()
	mpc.ExecutionCount++
	mpc.RequestedICCIDs = append(mpc.RequestedICCIDs, iccid)
	mpc.mutex.Unlock()

	if mpc.ReturnedError != nil {
		return utils.FailedResult[*provider.ProfileStatus](mpc.ReturnedError)
	}

	profile, found := mpc.Profiles[iccid]
	if !found {
		return utils.FailedResult[*provider.ProfileStatus](fmt.Errorf("profile %s not found at provider", iccid)).
			NonRetryable().
			NonCapturable()
	}

	return utils.SuccessResult(profile)
}
