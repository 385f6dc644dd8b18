// Copyright 2024 coreroomd contributors
package internal

import (
	roomserverapi "github.com/coreroom/coreroomd/roomserver/api"
)

// The five error kinds visible across the core boundary (spec.md §7) are
// defined in roomserver/api, not here: federationapi/routing needs to
// type-switch on them too, and Go's internal/ import visibility rule
// would otherwise keep them out of its reach. These aliases let every
// existing call site in this package keep referring to them unqualified.
type (
	ForbiddenError         = roomserverapi.ForbiddenError
	BadStateError          = roomserverapi.BadStateError
	BadServerResponseError = roomserverapi.BadServerResponseError
	NotFoundError          = roomserverapi.NotFoundError
	DatabaseError          = roomserverapi.DatabaseError
)
