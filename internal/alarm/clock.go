package alarm

import "time"

// timeNow is a package-level indirection so tests can pin the clock without
// threading a dependency through every Evaluator call site.
var timeNow = time.Now
