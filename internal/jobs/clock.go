package jobs

import "time"

// nowFunc is indirected so tests can freeze time; production always uses
// time.Now.
var nowFunc = time.Now
