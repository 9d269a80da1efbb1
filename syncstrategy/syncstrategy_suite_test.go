package syncstrategy_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestSyncStrategy(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "syncstrategy BDD suite")
}
