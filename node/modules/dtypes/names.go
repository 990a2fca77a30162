package dtypes

// Hostname is the name this daemon claims tasks under.
type Hostname string
