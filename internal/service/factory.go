package service

import (
	"astralcore.app/crisis/internal/metrics"
)

// Engine groups the detection pipeline components the services are built from.
type Engine struct {
	Detector   Detector
	Classifier SeverityClassifier
	Machine    StateMachine
	Dispatcher AlertDispatcher
}

type Services struct {
	engine   Engine
	txRunner TxRunner
	metrics  *metrics.Metrics
}

func NewServices(engine Engine, txRunner TxRunner, m *metrics.Metrics) *Services {
	return &Services{
		engine:   engine,
		txRunner: txRunner,
		metrics:  m,
	}
}

func (s *Services) Crisis() CrisisService {
	return NewCrisisService(
		s.engine.Detector,
		s.engine.Classifier,
		s.engine.Machine,
		s.engine.Dispatcher,
		s.txRunner,
		s.metrics,
	)
}
