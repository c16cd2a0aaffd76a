package chain

var ClassifyCallError = classifyCallError
