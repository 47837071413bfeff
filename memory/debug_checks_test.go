package memory

import "github.com/vkngwrapper/keystone/memutils"

const memutilsDebugChecks = memutils.DebugChecks
